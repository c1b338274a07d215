package services

// LLMParameters holds optional sampling settings shared by backends that accept them. Nil
// fields leave the provider default in place.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
	Stop        []string `yaml:"stop"`
}
