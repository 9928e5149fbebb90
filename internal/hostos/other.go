//go:build !windows

package hostos

func isElevated() bool {
	return false
}

func findWindows(classHint string, titlePatterns []string) ([]WindowInfo, error) {
	return nil, ErrUnsupported
}

func captureWindow(handle uintptr) (*Capture, error) {
	return nil, ErrUnsupported
}
