package version

// Value is stamped at build time via -ldflags "-X .../version.Value=v1.2.3".
var Value = "dev"
