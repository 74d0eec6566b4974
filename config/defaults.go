// =============================================================================
// 📦 ChatFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:     DefaultEngineConfig(),
		LLM:        DefaultLLMConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxSteps:          10,
		CheckpointTimeout: 5 * time.Second,
		BusyPolicy:        "reject",
		StreamBuffer:      64,
	}
}

// DefaultLLMConfig 返回默认模型调用配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultModel: "gpt-4",
		Timeout:      60 * time.Second,
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// DefaultCheckpointConfig 返回默认检查点存储配置
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:   "memory",
		KeyPrefix: "chatflow:",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "chatflow",
		Name:            "chatflow",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
