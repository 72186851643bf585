// Package reload owns configuration hot reload: it rebuilds the route table
// and token validator from the config file on change or SIGHUP, and publishes
// them only when the whole document is valid.
package reload
