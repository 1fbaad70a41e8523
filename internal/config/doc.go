// Package config loads the PluginHub daemon configuration from a JSON file
// and converts its sections into the typed settings of each subsystem.
package config
