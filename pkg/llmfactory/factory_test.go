package llmfactory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/effective-security/xchat/pkg/llmfactory"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	provider string
	model    string
}

var _ llms.Model = (*fakeLLM)(nil)

func (f *fakeLLM) GetName() string { return f.model }

func (f *fakeLLM) GetProviderType() llms.ProviderType {
	return llms.ProviderType(f.provider)
}

func (f *fakeLLM) GenerateContent(_ context.Context, _ []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "ok"}},
	}, nil
}

func setTestEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "fakekey")
	t.Setenv("AZURE_OPENAI_API_KEY", "fakekey")
	t.Setenv("ANTHROPIC_API_KEY", "fakekey")
	t.Setenv("PERPLEXITY_API_KEY", "fakekey")
	t.Setenv("GEMINI_API_KEY", "fakekey")
}

func requireFake(t *testing.T, model llms.Model) *fakeLLM {
	t.Helper()
	fm, ok := model.(*fakeLLM)
	require.True(t, ok)
	return fm
}

func Test_Factory(t *testing.T) {
	setTestEnv(t)

	cfg, err := llmfactory.LoadConfig("testdata/llm.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Providers)

	llmfactory.NewLLM = func(cfg *llmfactory.ProviderConfig, preferredModels ...string) (llms.Model, error) {
		return &fakeLLM{provider: cfg.Name, model: cfg.FindModel(preferredModels...)}, nil
	}
	defer func() {
		llmfactory.NewLLM = llmfactory.CreateLLM
	}()

	f := llmfactory.New(cfg)

	t.Run("default model", func(t *testing.T) {
		model, err := f.DefaultModel()
		require.NoError(t, err)
		fm := requireFake(t, model)
		assert.Equal(t, "OPEN_AI", fm.provider)
		assert.Equal(t, "gpt-4o", fm.model)
	})

	t.Run("by name", func(t *testing.T) {
		model, err := f.ModelByName("gpt-4-mini")
		require.NoError(t, err)
		fm := requireFake(t, model)
		assert.Equal(t, "OPEN_AI", fm.provider)
		assert.Equal(t, "gpt-4-mini", fm.model)
	})

	t.Run("by name on second provider", func(t *testing.T) {
		model, err := f.ModelByName("gpt-41-mini")
		require.NoError(t, err)
		fm := requireFake(t, model)
		assert.Equal(t, "AZURE", fm.provider)
		assert.Equal(t, "gpt-41-mini", fm.model)
	})

	t.Run("by name prefers first match", func(t *testing.T) {
		model, err := f.ModelByName("no-such-model", "claude-3-5-haiku-20241022")
		require.NoError(t, err)
		fm := requireFake(t, model)
		assert.Equal(t, "ANTHROPIC", fm.provider)
		assert.Equal(t, "claude-3-5-haiku-20241022", fm.model)
	})

	t.Run("by name falls back to default", func(t *testing.T) {
		model, err := f.ModelByName("no-such-model")
		require.NoError(t, err)
		fm := requireFake(t, model)
		assert.Equal(t, "OPEN_AI", fm.provider)
		assert.Equal(t, "gpt-4o", fm.model)
	})

	t.Run("by type", func(t *testing.T) {
		tcases := []struct {
			apiType  string
			expModel string
		}{
			{"OPEN_AI", "gpt-4o"},
			{"AZURE", "gpt-41"},
			{"ANTHROPIC", "claude-sonnet-4-20250514"},
			{"BEDROCK", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
			{"PERPLEXITY", "sonar"},
			{"GOOGLEAI", "gemini-2.5-pro"},
		}
		for _, tc := range tcases {
			model, err := f.ModelByType(tc.apiType)
			require.NoError(t, err, tc.apiType)
			fm := requireFake(t, model)
			assert.Equal(t, tc.expModel, fm.model, tc.apiType)
		}
	})

	t.Run("by type not found", func(t *testing.T) {
		_, err := f.ModelByType("UNSUPPORTED")
		assert.EqualError(t, err, "provider not found for type: UNSUPPORTED")
	})
}

func Test_Load(t *testing.T) {
	setTestEnv(t)

	_, err := llmfactory.Load("testdata/invalid.yaml")
	assert.Error(t, err)

	_, err = llmfactory.Load("testdata/missing.yaml")
	assert.Error(t, err)

	f, err := llmfactory.Load("")
	require.NoError(t, err)
	_, err = f.DefaultModel()
	assert.EqualError(t, err, "no providers configured")
}

func Test_LoadConfig(t *testing.T) {
	setTestEnv(t)

	cfg, err := llmfactory.LoadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Providers)

	cfg, err = llmfactory.LoadConfig("testdata/llm.yaml")
	require.NoError(t, err)
	assert.Equal(t, "OPEN_AI", cfg.DefaultProvider)
	require.Len(t, cfg.Providers, 6)

	openAI := cfg.Providers[0]
	assert.Equal(t, "OPEN_AI", openAI.Name)
	assert.Equal(t, "fakekey", openAI.Token)
	assert.Equal(t, "gpt-4o", openAI.DefaultModel)
	assert.Equal(t, []string{"gpt-4o", "gpt-4-mini"}, openAI.AvailableModels)

	azure := cfg.Providers[1]
	assert.Equal(t, "AZURE", azure.OpenAI.APIType)
	assert.Equal(t, "2025-03-01-preview", azure.OpenAI.APIVersion)
	assert.Equal(t, "https://myproject.openai.azure.com", azure.OpenAI.BaseURL)
}

func Test_CreateLLM(t *testing.T) {
	tcases := []struct {
		name     string
		cfg      *llmfactory.ProviderConfig
		expType  llms.ProviderType
		expModel string
	}{
		{
			name: "openai",
			cfg: &llmfactory.ProviderConfig{
				Name:         "OPEN_AI",
				Token:        "sk-test",
				DefaultModel: "gpt-4o",
				OpenAI:       llmfactory.OpenAIConfig{APIType: "OPEN_AI", OrgID: "org-123"},
			},
			expType:  llms.ProviderOpenAI,
			expModel: "gpt-4o",
		},
		{
			name: "openai lowercase type",
			cfg: &llmfactory.ProviderConfig{
				Name:         "openai",
				Token:        "sk-test",
				DefaultModel: "gpt-4o",
				OpenAI:       llmfactory.OpenAIConfig{APIType: "openai"},
			},
			expType:  llms.ProviderOpenAI,
			expModel: "gpt-4o",
		},
		{
			name: "perplexity",
			cfg: &llmfactory.ProviderConfig{
				Name:         "PERPLEXITY",
				Token:        "pplx-test",
				DefaultModel: "sonar",
				OpenAI: llmfactory.OpenAIConfig{
					APIType: "PERPLEXITY",
					BaseURL: "https://api.perplexity.ai",
				},
			},
			expType:  llms.ProviderPerplexity,
			expModel: "sonar",
		},
		{
			name: "azure",
			cfg: &llmfactory.ProviderConfig{
				Name:         "AZURE",
				Token:        "sk-test",
				DefaultModel: "gpt-41",
				OpenAI: llmfactory.OpenAIConfig{
					APIType:    "AZURE",
					APIVersion: "2025-03-01-preview",
					BaseURL:    "https://myproject.openai.azure.com",
				},
			},
			expType:  llms.ProviderAzure,
			expModel: "gpt-41",
		},
		{
			name: "azure ad",
			cfg: &llmfactory.ProviderConfig{
				Name:         "AZURE_AD",
				Token:        "sk-test",
				DefaultModel: "gpt-41",
				OpenAI: llmfactory.OpenAIConfig{
					APIType:    "AZURE_AD",
					APIVersion: "2025-03-01-preview",
					BaseURL:    "https://myproject.openai.azure.com",
				},
			},
			expType:  llms.ProviderAzureAD,
			expModel: "gpt-41",
		},
		{
			name: "anthropic",
			cfg: &llmfactory.ProviderConfig{
				Name:         "ANTHROPIC",
				Token:        "sk-ant-test",
				DefaultModel: "claude-sonnet-4-20250514",
				OpenAI:       llmfactory.OpenAIConfig{APIType: "ANTHROPIC"},
			},
			expType:  llms.ProviderAnthropic,
			expModel: "claude-sonnet-4-20250514",
		},
		{
			name: "bedrock",
			cfg: &llmfactory.ProviderConfig{
				Name:         "BEDROCK",
				DefaultModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
				OpenAI:       llmfactory.OpenAIConfig{APIType: "BEDROCK"},
			},
			expType:  llms.ProviderBedrock,
			expModel: "anthropic.claude-3-5-sonnet-20241022-v2:0",
		},
		{
			name: "googleai",
			cfg: &llmfactory.ProviderConfig{
				Name:         "GOOGLEAI",
				Token:        "test-key",
				DefaultModel: "gemini-2.5-pro",
				OpenAI:       llmfactory.OpenAIConfig{APIType: "GOOGLEAI"},
			},
			expType:  llms.ProviderGoogleAI,
			expModel: "gemini-2.5-pro",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			model, err := llmfactory.CreateLLM(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.expType, model.GetProviderType())
			assert.Equal(t, tc.expModel, model.GetName())
		})
	}

	t.Run("unsupported", func(t *testing.T) {
		_, err := llmfactory.CreateLLM(&llmfactory.ProviderConfig{
			OpenAI: llmfactory.OpenAIConfig{APIType: "CLOUDFLARE"},
		})
		assert.EqualError(t, err, "unsupported provider type: CLOUDFLARE")
	})

	t.Run("azure requires model", func(t *testing.T) {
		_, err := llmfactory.CreateLLM(&llmfactory.ProviderConfig{
			Token: "sk-test",
			OpenAI: llmfactory.OpenAIConfig{
				APIType: "AZURE",
				BaseURL: "https://myproject.openai.azure.com",
			},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model deployment name is required")
	})

	t.Run("anthropic requires token", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		_, err := llmfactory.CreateLLM(&llmfactory.ProviderConfig{
			DefaultModel: "claude-sonnet-4-20250514",
			OpenAI:       llmfactory.OpenAIConfig{APIType: "ANTHROPIC"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing API key")
	})
}

func Test_ModelCaching(t *testing.T) {
	var creates int
	llmfactory.NewLLM = func(cfg *llmfactory.ProviderConfig, preferredModels ...string) (llms.Model, error) {
		creates++
		return &fakeLLM{provider: cfg.Name, model: cfg.FindModel(preferredModels...)}, nil
	}
	defer func() {
		llmfactory.NewLLM = llmfactory.CreateLLM
	}()

	f := llmfactory.New(&llmfactory.Config{
		Providers: []*llmfactory.ProviderConfig{
			{
				Name:            "OPEN_AI",
				DefaultModel:    "gpt-4o",
				AvailableModels: []string{"gpt-4o"},
				OpenAI:          llmfactory.OpenAIConfig{APIType: "OPEN_AI"},
			},
		},
	})

	m1, err := f.ModelByType("OPEN_AI")
	require.NoError(t, err)
	m2, err := f.ModelByType("OPEN_AI")
	require.NoError(t, err)
	assert.Same(t, m1, m2)
	assert.Equal(t, 1, creates)

	m3, err := f.ModelByName("gpt-4o")
	require.NoError(t, err)
	m4, err := f.ModelByName("gpt-4o")
	require.NoError(t, err)
	assert.Same(t, m3, m4)
	assert.Equal(t, 2, creates)
}

func Test_ConcurrentAccess(t *testing.T) {
	var mu sync.Mutex
	var creates int
	llmfactory.NewLLM = func(cfg *llmfactory.ProviderConfig, preferredModels ...string) (llms.Model, error) {
		mu.Lock()
		defer mu.Unlock()
		creates++
		return &fakeLLM{provider: cfg.Name, model: cfg.FindModel(preferredModels...)}, nil
	}
	defer func() {
		llmfactory.NewLLM = llmfactory.CreateLLM
	}()

	f := llmfactory.New(&llmfactory.Config{
		Providers: []*llmfactory.ProviderConfig{
			{
				Name:            "OPEN_AI",
				DefaultModel:    "gpt-4o",
				AvailableModels: []string{"gpt-4o"},
				OpenAI:          llmfactory.OpenAIConfig{APIType: "OPEN_AI"},
			},
		},
	})

	var wg sync.WaitGroup
	models := make([]llms.Model, 10)
	for i := range models {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model, err := f.ModelByName("gpt-4o")
			assert.NoError(t, err)
			models[i] = model
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, creates)
	for _, model := range models {
		assert.Same(t, models[0], model)
	}
}

func Test_ModelByNameWithFallback(t *testing.T) {
	llmfactory.NewLLM = func(cfg *llmfactory.ProviderConfig, preferredModels ...string) (llms.Model, error) {
		if cfg.Name == "AZURE" {
			return nil, assert.AnError
		}
		return &fakeLLM{provider: cfg.Name, model: cfg.FindModel(preferredModels...)}, nil
	}
	defer func() {
		llmfactory.NewLLM = llmfactory.CreateLLM
	}()

	f := llmfactory.New(&llmfactory.Config{
		DefaultProvider: "OPEN_AI",
		Providers: []*llmfactory.ProviderConfig{
			{
				Name:            "OPEN_AI",
				DefaultModel:    "gpt-4o",
				AvailableModels: []string{"gpt-4o"},
				OpenAI:          llmfactory.OpenAIConfig{APIType: "OPEN_AI"},
			},
			{
				Name:            "AZURE",
				DefaultModel:    "gpt-41",
				AvailableModels: []string{"gpt-41"},
				OpenAI:          llmfactory.OpenAIConfig{APIType: "AZURE"},
			},
		},
	})

	// The AZURE provider fails to build, so the lookup falls back to the
	// default provider instead of returning the error.
	model, err := f.ModelByName("gpt-41")
	require.NoError(t, err)
	fm := requireFake(t, model)
	assert.Equal(t, "OPEN_AI", fm.provider)
	assert.Equal(t, "gpt-4o", fm.model)
}

func Test_EmptyConfig(t *testing.T) {
	f := llmfactory.New(&llmfactory.Config{})

	_, err := f.DefaultModel()
	assert.EqualError(t, err, "no providers configured")

	_, err = f.ModelByName("gpt-4o")
	assert.EqualError(t, err, "no providers configured")

	_, err = f.ModelByType("OPEN_AI")
	assert.EqualError(t, err, "provider not found for type: OPEN_AI")
}

func Test_DefaultProviderSelection(t *testing.T) {
	llmfactory.NewLLM = func(cfg *llmfactory.ProviderConfig, preferredModels ...string) (llms.Model, error) {
		return &fakeLLM{provider: cfg.Name, model: cfg.FindModel(preferredModels...)}, nil
	}
	defer func() {
		llmfactory.NewLLM = llmfactory.CreateLLM
	}()

	providers := []*llmfactory.ProviderConfig{
		{
			Name:         "OPEN_AI",
			DefaultModel: "gpt-4o",
			OpenAI:       llmfactory.OpenAIConfig{APIType: "OPEN_AI"},
		},
		{
			Name:         "ANTHROPIC",
			DefaultModel: "claude-sonnet-4-20250514",
			OpenAI:       llmfactory.OpenAIConfig{APIType: "ANTHROPIC"},
		},
	}

	t.Run("named", func(t *testing.T) {
		f := llmfactory.New(&llmfactory.Config{Providers: providers, DefaultProvider: "ANTHROPIC"})
		model, err := f.DefaultModel()
		require.NoError(t, err)
		assert.Equal(t, "claude-sonnet-4-20250514", model.GetName())
	})

	t.Run("first provider when name is unknown", func(t *testing.T) {
		f := llmfactory.New(&llmfactory.Config{Providers: providers, DefaultProvider: "MISTRAL"})
		model, err := f.DefaultModel()
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", model.GetName())
	})

	t.Run("first provider when unset", func(t *testing.T) {
		f := llmfactory.New(&llmfactory.Config{Providers: providers})
		model, err := f.DefaultModel()
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o", model.GetName())
	})
}

func Test_ProviderConfigFindModel(t *testing.T) {
	t.Parallel()

	cfg := &llmfactory.ProviderConfig{
		DefaultModel:    "gpt-4o",
		AvailableModels: []string{"gpt-4o", "gpt-4-mini", "o3"},
	}

	assert.Equal(t, "gpt-4-mini", cfg.FindModel("gpt-4-mini"))
	assert.Equal(t, "o3", cfg.FindModel("unknown", "o3", "gpt-4o"))
	assert.Equal(t, "gpt-4o", cfg.FindModel("unknown"))
	assert.Equal(t, "gpt-4o", cfg.FindModel())

	empty := &llmfactory.ProviderConfig{DefaultModel: "gpt-4o"}
	assert.Equal(t, "gpt-4o", empty.FindModel("gpt-4o"))
}
