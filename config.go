package rref

import (
	"os"
	"strconv"

	gjson "github.com/goccy/go-json"
)

// Directory-resolution prefers $XDG_CONFIG_HOME, falls back to
// $HOME/.config, and finally a relative rref-config directory. rref
// uses this to locate an optional self-identity file, since the
// process-wide singleton needs a worker id to Init() with and the
// surrounding repository may not always supply one explicitly.
var sep = string(os.PathSeparator)

// GetConfigDir returns (and creates) the directory rref looks in for
// worker.json.
func GetConfigDir() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	suffix := sep + ".config" + sep + "rref"
	switch {
	case dir != "":
		path = dir + suffix
	case home != "":
		path = home + suffix
	default:
		path = "rref-config"
	}
	panicOn(os.MkdirAll(path, 0700))
	return path
}

// selfWorkerConfig mirrors the worker.json shape: an id and a name.
type selfWorkerConfig struct {
	Id   WorkerId `json:"id"`
	Name string   `json:"name"`
}

// LoadSelfWorkerInfo resolves this process's WorkerInfo at Init time:
// $RREF_WORKER_ID/$RREF_WORKER_NAME environment variables take
// precedence (handy for tests and containerized deploys), then
// worker.json in GetConfigDir(), and it is the caller's job to supply
// a fallback (e.g. mint one) if neither is present.
func LoadSelfWorkerInfo() (WorkerInfo, bool) {
	if idStr := os.Getenv("RREF_WORKER_ID"); idStr != "" {
		id, err := strconv.ParseUint(idStr, 10, 16)
		if err == nil {
			return WorkerInfo{
				Id:      WorkerId(id),
				Name:    os.Getenv("RREF_WORKER_NAME"),
				NetAddr: ResolveSelfNetAddr(os.Getenv("RREF_WORKER_ADDR")),
			}, true
		}
	}

	path := GetConfigDir() + sep + "worker.json"
	b, err := os.ReadFile(path)
	if err != nil {
		return WorkerInfo{}, false
	}
	var cfg selfWorkerConfig
	if err := gjson.Unmarshal(b, &cfg); err != nil {
		return WorkerInfo{}, false
	}
	return WorkerInfo{Id: cfg.Id, Name: cfg.Name, NetAddr: ResolveSelfNetAddr("")}, true
}
