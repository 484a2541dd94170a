/*
Package workflow 提供组合能力的规划与执行。

# 概述

一个 Plan 是对能力目录（capability.Catalog）中函数的有序调用序列。计划可以
由操作员固定（pinned），也可以由 Planner 在每次调用时通过 LLM 生成；生成后
不可变，也不会被持久化。

# 核心类型

  - Plan / Step / Loop — 计划模型，支持 JSON 与 YAML
  - ParsePlan / Validate — 解析（去除 Markdown 代码围栏）与目录校验
  - Executor — 顺序执行步骤，{{step_id}} 引用前序输出，loop 按行或 JSON 数组迭代
  - Planner — Temperature=0、TopP=0 的 LLM 规划器，带 token 预算
  - EvalCondition — when 条件表达式（==, !=, <, >, &&, ||, !, contains）
  - Tracker — 组合调用的状态机 Start → PluginsRegistered → PlanReady → Executed → Succeeded | FallbackText
*/
package workflow
