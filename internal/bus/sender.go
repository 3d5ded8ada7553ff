package bus

import (
	"runtime"
	"strings"

	"tributary/internal/domain"
)

const busPackage = "tributary/internal/bus."

var skipPrefixes = []string{busPackage, "runtime.", "testing."}

// callerName names the nearest function outside this package as
// "Type.Method" or "Func". It returns host:pid when no frame qualifies.
func callerName(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function != "" && !skipped(f.Function) {
			if name := shortName(f.Function); name != "" {
				return name
			}
		}
		if !more {
			break
		}
	}
	return domain.ClientKey()
}

func skipped(fn string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}

// shortName turns "example.com/pkg.(*Worker).Run.func1" into "Worker.Run".
func shortName(fn string) string {
	if i := strings.LastIndexByte(fn, '/'); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.IndexByte(fn, '.'); i >= 0 {
		fn = fn[i+1:]
	}
	var parts []string
	for _, p := range strings.Split(fn, ".") {
		if strings.HasPrefix(p, "func") && len(p) > 4 && isDigits(p[4:]) {
			break
		}
		if isDigits(p) {
			break
		}
		parts = append(parts, strings.Trim(p, "(*)"))
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
