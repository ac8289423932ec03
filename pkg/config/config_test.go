package config

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newContext(t *testing.T, args map[string]string, boolArgs map[string]bool) *cli.Context {
	t.Helper()

	set := flag.NewFlagSet("test", flag.ContinueOnError)
	app := &cli.App{Flags: Flags()}
	for _, f := range app.Flags {
		require.NoError(t, f.Apply(set))
	}

	for k, v := range args {
		require.NoError(t, set.Set(k, v))
	}
	for k, v := range boolArgs {
		if v {
			require.NoError(t, set.Set(k, "true"))
		}
	}

	return cli.NewContext(app, set, nil)
}

func TestParseRequiresKmsUrlUnlessLocalKey(t *testing.T) {
	c := newContext(t, nil, nil)
	_, err := Parse(c)
	require.ErrorContains(t, err, "kms-url")
}

func TestParseAllowsLocalKeyWithoutKmsUrl(t *testing.T) {
	c := newContext(t, nil, map[string]bool{"local-key": true})
	args, err := Parse(c)
	require.NoError(t, err)
	require.True(t, args.LocalKey)
	require.Empty(t, args.KmsURL)
}

func TestParseDefaults(t *testing.T) {
	c := newContext(t, nil, map[string]bool{"local-key": true})
	args, err := Parse(c)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9443", args.Address)
	require.Equal(t, "http://127.0.0.1:8000", args.Target)
	require.Equal(t, "info", args.LogLevel)
	require.False(t, args.Indeterminate)
}

func TestParsePassesThroughKmsUrl(t *testing.T) {
	c := newContext(t, map[string]string{"kms-url": "https://kms.example.com"}, nil)
	args, err := Parse(c)
	require.NoError(t, err)
	require.Equal(t, "https://kms.example.com", args.KmsURL)
}
