package db

import "embed"

// Migrations holds the embedded SQL schema migrations, applied at startup
// with golang-migrate.
//
//go:embed migrations
var Migrations embed.FS
