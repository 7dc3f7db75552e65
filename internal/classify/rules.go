package classify

var creativityKeywords = []string{
	"create", "imagine", "invent", "describe", "story", "narrate", "narrative",
	"write", "compose", "design", "poem", "creative", "vivid", "dramatic",
}

var reasoningKeywords = []string{
	"analyze", "analyse", "why", "explain", "compare", "plan", "strategy",
	"reason", "deduce", "solve", "evaluate", "decide", "consequence", "infer",
}

// builtinRules holds precomputed profiles for the task types the
// storytelling service issues most often.
var builtinRules = map[string]Profile{
	"greeting": {
		Tier: UltraSimple, EstimatedTokens: 50,
		ContextDependency: DependencyLow, Confidence: 0.95,
	},
	"dice_roll_narration": {
		Tier: UltraSimple, EstimatedTokens: 80,
		ContextDependency: DependencyLow, Confidence: 0.9,
	},
	"simple_response": {
		Tier: Simple, EstimatedTokens: 200,
		ContextDependency: DependencyLow, Confidence: 0.9,
	},
	"section_summary": {
		Tier: Simple, EstimatedTokens: 250,
		ContextDependency: DependencyMedium, Confidence: 0.9,
	},
	"key_point_extraction": {
		Tier: Moderate, EstimatedTokens: 350,
		ReasoningRequired: true,
		ContextDependency: DependencyHigh, Confidence: 0.85,
	},
	"npc_dialogue": {
		Tier: Moderate, EstimatedTokens: 400,
		RequiresCreativity: true,
		ContextDependency: DependencyMedium, Confidence: 0.85,
	},
	"combat_narration": {
		Tier: Moderate, EstimatedTokens: 450,
		RequiresCreativity: true,
		ContextDependency: DependencyMedium, Confidence: 0.85,
	},
	"scene_description": {
		Tier: Moderate, EstimatedTokens: 500,
		RequiresCreativity: true,
		ContextDependency: DependencyMedium, Confidence: 0.85,
	},
	"character_creation": {
		Tier: Moderate, EstimatedTokens: 550,
		RequiresCreativity: true, ReasoningRequired: true,
		ContextDependency: DependencyMedium, Confidence: 0.8,
	},
	"quest_generation": {
		Tier: Complex, EstimatedTokens: 800,
		RequiresCreativity: true, ReasoningRequired: true,
		ContextDependency: DependencyHigh, Confidence: 0.85,
	},
	"story_progression": {
		Tier: Complex, EstimatedTokens: 900,
		RequiresCreativity: true, ReasoningRequired: true,
		ContextDependency: DependencyHigh, Confidence: 0.85,
	},
	"world_building": {
		Tier: Complex, EstimatedTokens: 1000,
		RequiresCreativity: true, ReasoningRequired: true,
		ContextDependency: DependencyHigh, Confidence: 0.8,
	},
}
