//go:build !sqlite3_cgo

package db

// Pure-Go sqlite driver; keeps the binary cgo-free by default.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverID = "ncruces/go-sqlite3"
const driverName = "sqlite3"
