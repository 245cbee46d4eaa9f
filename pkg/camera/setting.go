package camera

import (
	"fmt"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"rpicam/pkg/types"
)

// applyControls sets every supported control found in settings. Controls the
// device does not expose are skipped.
func applyControls(dev *device.Device, settings types.CameraSettings, logger *zap.SugaredLogger) error {
	if len(settings) == 0 {
		return nil
	}
	ctrls, err := v4l2.QueryAllExtControls(dev.Fd())
	if err != nil {
		return err
	}
	for _, ctrl := range ctrls {
		value, ok := settings[ctrl.ID]
		if !ok {
			continue
		}
		if err := dev.SetControlValue(ctrl.ID, value); err != nil {
			logger.Warnf("set ctrl(%s) to %d, err: %s", ctrl.Name, value, err)
			continue
		}
		logger.Infof("set ctrl(%s) to %d", ctrl.Name, value)
	}

	return nil
}

// ListControls opens devName just long enough to read its controls.
func ListControls(devName string) ([]v4l2.Control, error) {
	dev, err := device.Open(devName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer dev.Close()

	return v4l2.QueryAllExtControls(dev.Fd())
}

func CtrlToString(ctrl v4l2.Control) string {
	return fmt.Sprintf("Control id (%d) name: %s\t[min: %d; max: %d; step: %d; default: %d current_val: %d]\n",
		ctrl.ID, ctrl.Name, ctrl.Minimum, ctrl.Maximum, ctrl.Step, ctrl.Default, ctrl.Value)
}
