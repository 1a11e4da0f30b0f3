package dispatch

import "github.com/1F47E/geo-presence/pkg/models"

// IncidentReported notifies users near a newly reported incident
func (d *Dispatcher) IncidentReported(lat, lon float64, incident any) {
	d.DispatchToNearby(lat, lon, models.Event{Kind: models.KindIncidentReported, Payload: incident})
}

// AlertTriggered notifies users near an emergency alert
func (d *Dispatcher) AlertTriggered(lat, lon float64, alert any) {
	d.DispatchToNearby(lat, lon, models.Event{Kind: models.KindAlertTriggered, Payload: alert})
}

// ChatGroupCreated notifies the members of a new group
func (d *Dispatcher) ChatGroupCreated(memberIDs []string, group any) {
	d.DispatchToUsers(memberIDs, models.Event{Kind: models.KindChatGroupCreated, Payload: group})
}

// ChatMessageSent notifies the members of a group about a message
func (d *Dispatcher) ChatMessageSent(memberIDs []string, message any) {
	d.DispatchToUsers(memberIDs, models.Event{Kind: models.KindChatMessageSent, Payload: message})
}
