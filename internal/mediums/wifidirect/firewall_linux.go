//go:build linux

package wifidirect

import (
	"fmt"

	"github.com/google/nftables"
)

// teardownFirewall removes the group-owner nftables table, if present.
// Adapted from internal/tunnel/nat.go's Cleanup, same as
// internal/mediums/wifihotspot's teardownFirewall but scoped to a distinct
// table name so the two mediums' firewall footprints never collide.
func teardownFirewall() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	c.DelTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   groupOwnerTableName,
	})

	if err := c.Flush(); err != nil {
		return nil
	}
	return nil
}
