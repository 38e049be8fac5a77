// Package plugin runs build and deploy backends as separate processes, served
// over go-plugin net/rpc.
package plugin

import (
	goplugin "github.com/hashicorp/go-plugin"
)

const PLUGIN_NAME = "backend"

var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "REEVE_PIPELINE_BACKEND",
	MagicCookieValue: "reeveci",
}

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]goplugin.Plugin{
	PLUGIN_NAME: &BackendPlugin{},
}
