package assets

import "embed"

const WebrootDir = "webroot"

//go:embed webroot/*
var EmbedWebroot embed.FS
