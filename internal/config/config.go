package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	TargetContainer string
	Addr            string
	FrontendPath    string
	DockerSocket    string
	DBPath          string
	LogTail         int
	Title           string
}

// Load reads configuration from the environment. The target container
// identifier is the only required setting; everything else has a default.
func Load() (Config, error) {
	target := os.Getenv("TARGET_CONTAINER_ID")
	if target == "" {
		return Config{}, errors.New("TARGET_CONTAINER_ID environment variable is not set")
	}
	return Config{
		TargetContainer: target,
		Addr:            ":" + getenv("PORT", "3000"),
		FrontendPath:    getenv("FRONTEND_PATH", "./frontend"),
		DockerSocket:    getenv("DOCKER_SOCKET", "/var/run/docker.sock"),
		DBPath:          getenv("APP_DB_PATH", "./data/dockwatch.db"),
		LogTail:         getenvInt("LOG_TAIL", 100),
		Title:           getenv("APP_TITLE", "Docker Monitor"),
	}, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}
