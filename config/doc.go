// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config 提供 AgentFlow 的配置管理功能。

# 概述

config 包负责应用配置的加载与校验：配置按
"默认值 -> YAML 文件 -> 环境变量" 的优先级合并为一个不可变的
Config 快照。配置文件加载本身不支持热重载——核心只消费
Load 返回的结构体。

# 核心结构

  - Config: 顶层配置聚合，涵盖 Server、Redis、
    Gateway（providers/routing/cache/audit_sink）、Log、Telemetry
  - Loader: 配置加载器，支持 Builder 模式链式设置
    文件路径、环境变量前缀与自定义验证器

# 主要能力

  - 多源加载: YAML 文件、环境变量（AGENTFLOW_ 前缀）、默认值
  - 配置验证: 内置基础校验（Config.Validate）+ 自定义 ValidateFunc 钩子

# 使用示例

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("AGENTFLOW").
		Load()
*/
package config
