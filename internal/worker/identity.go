package worker

import (
	"os"
	"strings"
)

const maxHostnameID = 12

// ResolveID picks the identity a worker stamps on its records: the configured id,
// then CONTAINER_NAME, then WORKER_ID, then the hostname cut to 12 characters.
func ResolveID(configured string) string {
	return resolveID(configured, os.Getenv, os.Hostname)
}

func resolveID(configured string, getenv func(string) string, hostname func() (string, error)) string {
	if v := strings.TrimSpace(configured); v != "" {
		return v
	}
	for _, key := range []string{"CONTAINER_NAME", "WORKER_ID"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
	}
	h, err := hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "worker"
	}
	if len(h) > maxHostnameID {
		h = h[:maxHostnameID]
	}
	return h
}
