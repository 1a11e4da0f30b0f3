package main

import (
	"fmt"
	"log"
	"sort"

	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/dispatch"
	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/models"
	"github.com/1F47E/geo-presence/pkg/registry"
)

// printHandle stands in for a websocket and prints what it would send
type printHandle struct {
	user string
}

func (h printHandle) ID() string   { return "example-" + h.user }
func (h printHandle) Close() error { return nil }

func (h printHandle) Emit(kind models.EventKind, payload any) error {
	fmt.Printf("  -> %-10s %s %v\n", h.user, kind, payload)
	return nil
}

func main() {
	grid := geo.NewGrid()
	reg := registry.New()
	dispatcher := dispatch.New(grid, reg, zap.NewNop(), nil)

	// Users around central Lima plus one across town
	users := []models.UserLocation{
		{UserID: "ana", Latitude: -12.0464, Longitude: -77.0428},
		{UserID: "bruno", Latitude: -12.0471, Longitude: -77.0435},
		{UserID: "carla", Latitude: -12.0532, Longitude: -77.0390},
		{UserID: "diego", Latitude: -12.1211, Longitude: -77.0297},
		{UserID: "elena", Latitude: -12.0455, Longitude: -77.0301},
	}

	for _, u := range users {
		if err := grid.Insert(u); err != nil {
			log.Fatal(err)
		}
		reg.Register(u.UserID, printHandle{user: u.UserID})
	}
	fmt.Printf("Indexed %d users in %d cells\n\n", grid.Size(), grid.Cells())

	// Example 1: who counts as nearby
	fmt.Println("=== Users near Plaza de Armas ===")
	center := users[0]
	nearby := grid.QueryNear(center.Latitude, center.Longitude)
	sort.Slice(nearby, func(i, j int) bool { return nearby[i].UserID < nearby[j].UserID })
	for _, u := range nearby {
		fmt.Printf("  - %s: %.2f km away, cell %s\n", u.UserID,
			geo.Distance(center.Latitude, center.Longitude, u.Latitude, u.Longitude),
			geo.CellFor(u.Latitude, u.Longitude))
	}

	// Example 2: an alert reaches only those users
	fmt.Println("\n=== Alert triggered at Plaza de Armas ===")
	dispatcher.AlertTriggered(center.Latitude, center.Longitude, map[string]string{"id": "alert-1", "type": "fire"})

	// Example 3: bruno moves away and misses the next incident
	fmt.Println("\n=== bruno moves to Miraflores ===")
	moved := models.UserLocation{UserID: "bruno", Latitude: -12.1219, Longitude: -77.0301}
	prev := users[1]
	if err := grid.Update(&prev, moved); err != nil {
		log.Fatal(err)
	}
	dispatcher.IncidentReported(center.Latitude, center.Longitude, map[string]string{"id": "inc-7"})

	// Example 4: chat goes to members regardless of where they are
	fmt.Println("\n=== Group message to ana, diego and an offline member ===")
	dispatcher.ChatMessageSent([]string{"ana", "diego", "offline"}, "meet at the station")
}
