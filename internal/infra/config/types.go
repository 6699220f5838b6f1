package config

import (
	"strings"
)

// Environment identifies the runtime environment where courier operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	// DriverKafka builds producers backed by Kafka.
	DriverKafka = "kafka"
	// DriverWebsocket builds producers writing to a websocket peer.
	DriverWebsocket = "websocket"
	// DriverMemory builds producers publishing to the in-process bus.
	DriverMemory = "memory"
)

func normalizeDriverName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func normalizeTopic(topic string) string {
	return strings.TrimSpace(topic)
}
