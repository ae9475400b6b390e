package backends

import (
	"os"

	"k8s.io/klog/v2"
)

// Capability is the graph-capture capability decision for a backend, resolved once at
// cache construction -- never re-derived per call, to keep the hot path branch-free.
type Capability int

const (
	// CaptureSupported means the backend can capture and replay operation sequences.
	CaptureSupported Capability = iota

	// CaptureDisabledByEnv means capture was explicitly disabled with DisableCaptureEnv.
	CaptureDisabledByEnv

	// CaptureUnsupportedByBackend means the backend reports no capture support.
	CaptureUnsupportedByBackend

	// CaptureRuntimeTooOld means the device runtime predates MinCaptureRuntimeVersion.
	CaptureRuntimeTooOld
)

// DisableCaptureEnv is the environment variable that, if set to anything but "" or "0",
// disables graph capture globally. It is the operator escape hatch, honored at
// construction time only.
const DisableCaptureEnv = "DEVGRAPH_DISABLE_CAPTURE"

// MinCaptureRuntimeVersion is the minimum device runtime version (see
// Backend.RuntimeVersion for the encoding) with usable graph capture.
const MinCaptureRuntimeVersion = 11000

// Supported returns whether the capability decision allows capture.
func (c Capability) Supported() bool { return c == CaptureSupported }

// String implements stringer.
func (c Capability) String() string {
	switch c {
	case CaptureSupported:
		return "supported"
	case CaptureDisabledByEnv:
		return "disabled by " + DisableCaptureEnv
	case CaptureUnsupportedByBackend:
		return "unsupported by backend"
	case CaptureRuntimeTooOld:
		return "runtime too old"
	}
	return "unknown"
}

// ProbeCapture decides whether graph capture can be used with the given backend.
//
// It accounts for the DisableCaptureEnv override, the backend's own capture support and
// the minimum supported runtime version. Call it once and keep the result.
func ProbeCapture(backend Backend) Capability {
	capability := probeCapture(backend)
	if capability.Supported() {
		klog.V(1).Infof("devgraph: graph capture enabled for backend %q (runtime version %d)",
			backend.Name(), backend.RuntimeVersion())
	} else {
		klog.Warningf("devgraph: graph capture disabled for backend %q: %s", backend.Name(), capability)
	}
	return capability
}

func probeCapture(backend Backend) Capability {
	if v := os.Getenv(DisableCaptureEnv); v != "" && v != "0" {
		return CaptureDisabledByEnv
	}
	if !backend.SupportsGraphCapture() {
		return CaptureUnsupportedByBackend
	}
	if backend.RuntimeVersion() < MinCaptureRuntimeVersion {
		return CaptureRuntimeTooOld
	}
	return CaptureSupported
}
