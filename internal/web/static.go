package web

import (
	"embed"
)

// staticFiles holds the operator page and its stylesheet.
//
//go:embed static/*
var staticFiles embed.FS
