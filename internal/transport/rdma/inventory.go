package rdma

import (
	"errors"
	"fmt"
)

// PortReport describes one physical port and its first GID.
type PortReport struct {
	Port int
	Attr VerbsPortAttr
	GID  [16]byte
}

// DeviceReport describes one device and all of its ports.
type DeviceReport struct {
	Info  VerbsDeviceInfo
	Attr  VerbsDeviceAttr
	Ports []PortReport
}

// Inventory opens every device the backend reports, queries each port and
// closes the device again.
func Inventory(backend VerbsBackend) ([]DeviceReport, error) {
	if err := backend.Init(); err != nil {
		return nil, err
	}

	devices, err := backend.GetDeviceList()
	if err != nil {
		return nil, err
	}

	reports := make([]DeviceReport, 0, len(devices))

	for _, dev := range devices {
		report, err := describeDevice(backend, dev)
		if err != nil {
			return reports, fmt.Errorf("device %s: %w", dev.Name, err)
		}

		reports = append(reports, report)
	}

	return reports, nil
}

func describeDevice(backend VerbsBackend, dev VerbsDeviceInfo) (report DeviceReport, err error) {
	ctx, err := backend.OpenDevice(dev.Name)
	if err != nil {
		return report, err
	}

	defer func() {
		if closeErr := backend.CloseDevice(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	attr, err := backend.QueryDevice(ctx)
	if err != nil {
		return report, err
	}

	report.Info = dev
	report.Attr = *attr

	for port := 1; port <= attr.PhysPortCnt; port++ {
		portAttr, err := backend.QueryPort(ctx, port)
		if err != nil {
			return report, fmt.Errorf("port %d: %w", port, err)
		}

		gid, err := backend.QueryGID(ctx, port, 0)
		if err != nil {
			return report, fmt.Errorf("port %d gid: %w", port, err)
		}

		report.Ports = append(report.Ports, PortReport{Port: port, Attr: *portAttr, GID: gid})
	}

	return report, nil
}
