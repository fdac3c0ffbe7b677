// Package builtin provides the handlers shipped with the gateway. Handlers
// are pure of the registry: manifests reference them by the keys returned
// from Handlers, and discovery fails when a manifest names a key that is not
// registered.
package builtin

import "toolgate/internal/registry"

// Handlers returns the registration table for the built-in tools.
func Handlers() map[string]registry.HandlerFunc {
	return map[string]registry.HandlerFunc{
		"calendar.get_agenda": GetAgenda,
		"noop.echo":           Echo,
		"github.pr_create":    CreatePR,
		"sonos.play":          Play,
		"sonos.set_volume":    SetVolume,
	}
}
