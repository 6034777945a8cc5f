package util

// AppName is the program name used in logs, banners and client IDs.
const AppName = "astman"

// Version is set at build time with -ldflags "-X .../internal/util.Version=...".
var Version = "dev"
