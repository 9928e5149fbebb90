//go:build windows

package hostos

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

func isElevated() bool {
	token := windows.Token(0)
	return token.IsElevated()
}

var (
	user32              = syscall.NewLazyDLL("user32.dll")
	procEnumWindows     = user32.NewProc("EnumWindows")
	procGetWindowTextW  = user32.NewProc("GetWindowTextW")
	procGetClassNameW   = user32.NewProc("GetClassNameW")
	procGetWindowThread = user32.NewProc("GetWindowThreadProcessId")
	procIsWindowVisible = user32.NewProc("IsWindowVisible")
	procGetClientRect   = user32.NewProc("GetClientRect")
	procPrintWindow     = user32.NewProc("PrintWindow")

	gdi32                  = syscall.NewLazyDLL("gdi32.dll")
	procCreateCompatibleDC = gdi32.NewProc("CreateCompatibleDC")
	procCreateCompatibleBM = gdi32.NewProc("CreateCompatibleBitmap")
	procSelectObject       = gdi32.NewProc("SelectObject")
	procDeleteDC           = gdi32.NewProc("DeleteDC")
	procDeleteObject       = gdi32.NewProc("DeleteObject")
	procGetDIBits          = gdi32.NewProc("GetDIBits")

	user32GetDC     = user32.NewProc("GetDC")
	user32ReleaseDC = user32.NewProc("ReleaseDC")
)

type rect struct{ left, top, right, bottom int32 }

func findWindows(classHint string, titlePatterns []string) ([]WindowInfo, error) {
	var out []WindowInfo
	classHint = strings.ToLower(classHint)

	cb := syscall.NewCallback(func(hwnd uintptr, _ uintptr) uintptr {
		visible, _, _ := procIsWindowVisible.Call(hwnd)
		if visible == 0 {
			return 1
		}

		className := make([]uint16, 256)
		procGetClassNameW.Call(hwnd, uintptr(unsafe.Pointer(&className[0])), uintptr(len(className)))
		class := syscall.UTF16ToString(className)
		if classHint != "" && !strings.Contains(strings.ToLower(class), classHint) {
			return 1
		}

		titleBuf := make([]uint16, 512)
		procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&titleBuf[0])), uintptr(len(titleBuf)))
		title := syscall.UTF16ToString(titleBuf)

		if len(titlePatterns) > 0 {
			lowerTitle := strings.ToLower(title)
			matched := false
			for _, p := range titlePatterns {
				if strings.Contains(lowerTitle, strings.ToLower(p)) {
					matched = true
					break
				}
			}
			if !matched {
				return 1
			}
		}

		var pid uint32
		procGetWindowThread.Call(hwnd, uintptr(unsafe.Pointer(&pid)))

		out = append(out, WindowInfo{Handle: hwnd, PID: int32(pid), Title: title, ClassName: class})
		return 1
	})

	ret, _, err := procEnumWindows.Call(cb, 0)
	if ret == 0 && err != windows.ERROR_SUCCESS {
		return nil, fmt.Errorf("hostos: EnumWindows: %w", err)
	}
	return out, nil
}

func captureWindow(handle uintptr) (*Capture, error) {
	var r rect
	procGetClientRect.Call(handle, uintptr(unsafe.Pointer(&r)))
	width := int(r.right - r.left)
	height := int(r.bottom - r.top)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("hostos: window has no visible client area")
	}

	hdcWindow, _, _ := user32GetDC.Call(handle)
	if hdcWindow == 0 {
		return nil, fmt.Errorf("hostos: GetDC failed")
	}
	defer user32ReleaseDC.Call(handle, hdcWindow)

	hdcMem, _, _ := procCreateCompatibleDC.Call(hdcWindow)
	defer procDeleteDC.Call(hdcMem)

	hBitmap, _, _ := procCreateCompatibleBM.Call(hdcWindow, uintptr(width), uintptr(height))
	defer procDeleteObject.Call(hBitmap)

	procSelectObject.Call(hdcMem, hBitmap)
	procPrintWindow.Call(handle, hdcMem, 0)

	pixels, err := readBitmapBits(hdcMem, hBitmap, width, height)
	if err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, pixels)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("hostos: encode png: %w", err)
	}
	return &Capture{Width: width, Height: height, PNG: buf.Bytes()}, nil
}

type bitmapInfoHeader struct {
	size          uint32
	width, height int32
	planes, bits  uint16
	compression   uint32
	sizeImage     uint32
	xppm, yppm    int32
	clrUsed       uint32
	clrImportant  uint32
}

func readBitmapBits(hdc, hBitmap uintptr, width, height int) ([]byte, error) {
	header := bitmapInfoHeader{
		width:  int32(width),
		height: int32(-height), // negative: top-down DIB, BGRA row order
		planes: 1,
		bits:   32,
	}
	header.size = uint32(unsafe.Sizeof(header))

	buf := make([]byte, width*height*4)
	ret, _, _ := procGetDIBits.Call(
		hdc, hBitmap, 0, uintptr(height),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(unsafe.Pointer(&header)),
		0, // DIB_RGB_COLORS
	)
	if ret == 0 {
		return nil, fmt.Errorf("hostos: GetDIBits failed")
	}

	// BGRA -> RGBA in place.
	for i := 0; i+3 < len(buf); i += 4 {
		buf[i], buf[i+2] = buf[i+2], buf[i]
	}
	return buf, nil
}
