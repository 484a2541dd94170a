// Package composite implements the composite capability kind: it registers a set
// of sub-capabilities as functions, obtains a plan (pinned in the definition or
// generated by an LLM planner) and executes it.
//
// Settings:
//
//	Capabilities       comma-separated sub-capability names; empty means every enabled non-composite capability
//	Plan               pinned plan (JSON or YAML); step arguments and return may reference {{parameterN}}
//	PlannerPrompt      goal template; {{instructions}} receives the sub-capabilities' planner instructions
//	FallbackText       answer used when the run fails for any reason other than a resource limit
//	NoInformationText  answer used when the plan produces no output
//	Model              model name sent to the planner LLM
package composite
