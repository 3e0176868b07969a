// Package config provides configuration loading and validation for the
// streaming transcription service.
package config
