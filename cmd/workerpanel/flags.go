package main

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// RunFlags holds flags for the run command.
type RunFlags struct {
	Listen    string // overrides server.listen
	NoConsole bool   // ignore stdin; stop only on a signal
}

// ReapFlags holds flags for the reap command.
type ReapFlags struct {
	JSON bool
}

// SettingsShowFlags holds flags for settings show.
type SettingsShowFlags struct {
	Reveal bool // print API keys unmasked
}

// CtlFlags holds the persistent flags of the ctl group.
type CtlFlags struct {
	URL      string
	CACert   string
	Insecure bool
}

// CtlLogFlags holds flags for ctl log.
type CtlLogFlags struct {
	Follow bool
}
