package main

import (
	"encoding/json"
	"fmt"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
)

var qrServiceName string

var qrCmd = &cobra.Command{
	Use:   "qr <mac-address>",
	Short: "Render a Bluetooth upgrade path as a QR code for manual pairing",
	Long: "Encodes a BluetoothPathInfo (the same UpgradePathInfo payload exchanged\n" +
		"over UPGRADE_PATH_AVAILABLE) as JSON and renders it as a terminal QR code,\n" +
		"for pairing a device that can't receive the frame over its prior channel.",
	Args: cobra.ExactArgs(1),
	RunE: runQR,
}

func init() {
	qrCmd.Flags().StringVar(&qrServiceName, "service-name", "nearby-bwu", "Bluetooth service name advertised at this MAC address")
}

func runQR(cmd *cobra.Command, args []string) error {
	info := frames.UpgradePathInfo{
		Medium: medium.Bluetooth,
		Bluetooth: &frames.BluetoothPathInfo{
			ServiceName: qrServiceName,
			MACAddress:  args[0],
		},
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding upgrade path info: %w", err)
	}

	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("rendering QR code: %w", err)
	}
	fmt.Println(qr.ToSmallString(false))
	return nil
}
