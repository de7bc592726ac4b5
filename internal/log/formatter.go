package log

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format renders an entry through the pattern. Supported placeholders:
// %time, %level, %field, %msg, %caller, %func.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	output = strings.Replace(output, "%caller", getCaller(entry), 1)
	output = strings.Replace(output, "%func", getFunc(entry), 1)
	return []byte(output), nil
}

// package/file.go:line of the call site.
func getCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	file := entry.Caller.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if parts := strings.Split(fn, "."); len(parts) > 1 {
			pkgParts := strings.Split(parts[0], "/")
			pkg = pkgParts[len(pkgParts)-1]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, entry.Caller.Line)
}

func getFunc(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		return "unknown"
	}
	name := entry.Caller.Function
	if idx := strings.LastIndex(name, "."); idx != -1 && idx+1 < len(name) {
		return name[idx+1:]
	}
	return name
}

// buildFields renders fields sorted by key so lines are stable.
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val := entry.Data[k]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields = append(fields, k+"="+fmt.Sprint(val))
	}
	return strings.Join(fields, ",")
}
