// Package logx is feedwatch's structured logger: a value-type wrapper over
// zerolog with human console output, an optional JSON file sink and a level
// that follows config reloads.
//
// Domain helpers keep record keys uniform across packages: Entity for the
// creator id, Stringer for chat destinations, Secret for cookies and tokens
// (only a "<key>_set" flag is written).
package logx
