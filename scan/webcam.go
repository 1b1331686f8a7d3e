package scan

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// v4l2 control plumbing for UVC webcams. Auto exposure and auto white
// balance shift intensities between pattern frames, which breaks the
// direct/inverse comparison, so capture runs with both locked.

const videoDevice = "/dev/video0"

func unlockWebcam() error {
	cmd := exec.Command("v4l2-ctl", "--device", videoDevice,
		"-c", "auto_exposure=3", "-c", "white_balance_automatic=1")
	if _, err := cmd.Output(); err != nil {
		return fmt.Errorf("v4l2-ctl: %v", err)
	}
	return nil
}

func lockWebcam(exposureTime, whiteBalanceTemperature int) error {
	cmd := exec.Command("v4l2-ctl", "--device", videoDevice,
		"-c", "auto_exposure=1",
		"-c", fmt.Sprintf("exposure_time_absolute=%d", exposureTime),
		"-c", "white_balance_automatic=0",
		"-c", fmt.Sprintf("white_balance_temperature=%d", whiteBalanceTemperature))
	if _, err := cmd.Output(); err != nil {
		return fmt.Errorf("v4l2-ctl: %v", err)
	}
	return nil
}

func readWebcamControl(name string) (int, error) {
	cmd := exec.Command("v4l2-ctl", "--device", videoDevice, "-C", name)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("v4l2-ctl: %v", err)
	}
	parts := strings.Split(string(output), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("unexpected v4l2-ctl output %q", output)
	}
	return strconv.Atoi(strings.TrimSpace(parts[1]))
}

// webcamSettings snapshots the current auto-chosen exposure and white
// balance so lockWebcam can freeze them at their present values.
func webcamSettings() (exposureTime, whiteBalanceTemperature int, err error) {
	exposureTime, err = readWebcamControl("exposure_time_absolute")
	if err != nil {
		return 0, 0, err
	}
	whiteBalanceTemperature, err = readWebcamControl("white_balance_temperature")
	if err != nil {
		return 0, 0, err
	}
	return exposureTime, whiteBalanceTemperature, nil
}
