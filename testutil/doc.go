/*
Package testutil 提供 capflow 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext
  - 日志辅助: ObservedLogger，基于 zaptest/observer 断言日志
  - 能力辅助: NewDefinition / NewInvoker，快速搭建能力库与调用器
  - 断言工具: AssertJSONEqual / AssertErrorCode / AssertContains
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual / WaitFor

# 子包

  - testutil/mocks: MockProvider（llm.Provider + llm.Embedder）与
    MockHandler（capability.Handler），均支持 Builder 模式与错误注入
  - testutil/fixtures: 预置连接、能力定义与计划

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider().WithResponse(fixtures.SearchThenSummarizePlan("go"))
	handler := mocks.NewMockHandler().WithResult("search", "a\nb")
*/
package testutil
