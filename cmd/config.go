package main

import (
	"github.com/concrnt/ccworld-ap-core/types"
)

type Config struct {
	ApConfig types.ApConfig `yaml:"apConfig"`
	Server   Server         `yaml:"server"`
	NodeInfo types.NodeInfo `yaml:"nodeInfo"`
	Timeouts types.Timeouts `yaml:"timeouts"`
}

type Server struct {
	Dsn           string `yaml:"dsn"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	MemcachedAddr string `yaml:"memcachedAddr"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}
