/*
Package config loads and validates Veil process configuration.

Configuration comes from three layers, later layers winning: built-in
defaults, an optional YAML file, and VEIL_* environment variables.
Validation runs once at load; an invalid configuration refuses to start the
process rather than failing later inside a stage.
*/
package config
