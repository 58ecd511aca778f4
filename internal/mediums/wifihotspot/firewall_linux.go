//go:build linux

package wifihotspot

import (
	"fmt"

	"github.com/google/nftables"
)

// teardownFirewall removes the hotspot nftables table, if present. Adapted
// from internal/tunnel/nat.go's Cleanup: a dedicated table keeps this
// package's firewall footprint isolated from the rest of the system's rules,
// and deleting it is always safe even if it was never created.
func teardownFirewall() error {
	c, err := nftables.New()
	if err != nil {
		return fmt.Errorf("connecting to nftables: %w", err)
	}

	c.DelTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   hotspotTableName,
	})

	if err := c.Flush(); err != nil {
		// The table may not have existed, which is fine — revert_responder_state
		// is a teardown call that must be idempotent.
		return nil
	}
	return nil
}
