package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	BaseDir    string
	EnvFile    string
}

// StartFlags Flag structs to decouple cobra from logic for testing.
type StartFlags struct {
	Detach  bool
	LogFile string
}

type StopFlags struct {
	Wait time.Duration
}

type StatusFlags struct {
	// Remote queries the running control plane instead of the ledger.
	Remote     bool
	APIUrl     string
	APITimeout time.Duration
}

type ConfigFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

type HistoryFlags struct {
	Limit int
}

type DepsFlags struct {
	Key     string
	Archive string
}
