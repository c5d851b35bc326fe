package main

import "time"

// RelayFlags decouples cobra from the relay command for testing.
type RelayFlags struct {
	ConfigPath   string
	LogProcesses bool
	TimeoutMS    int
	DurationMS   int
	FallbackMode string
	LogLevel     string
	Daemonize    bool
	PidFile      string
	LogFile      string
}

// APIFlags select the admin API of a running relay.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	User       string
	Password   string
	Token      string
}
