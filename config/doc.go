// Package config loads gridpaint-sim configuration from TOML or YAML.
//
// Every section maps to one component and its accessor returns that
// component's Config. Zero values select the component defaults, so a file
// only names what it changes:
//
//	[atlas]
//	initial_size = 256
//
//	[budget]
//	target = "8ms"
//
// Durations are Go duration strings. Unknown keys are errors.
package config
