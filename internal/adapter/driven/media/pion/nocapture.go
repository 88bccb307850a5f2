//go:build !capture

package pion

import "errors"

func newCaptureDevices() (Devices, error) {
	return nil, errors.New("device capture needs a build with the capture tag")
}
