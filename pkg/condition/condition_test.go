package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ctx() Context {
	return Context{
		JobStatuses: map[string]string{
			"build": "success",
			"test":  "failed",
		},
		Env: map[string]string{
			"DEPLOY": "yes",
			"STAGE":  "prod",
		},
	}
}

func TestEvaluateComparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"${{ jobs.build.status == 'success' }}", true},
		{"${{ jobs.build.status != 'success' }}", false},
		{"${{ jobs.test.status == 'failed' }}", true},
		{"${{ env.DEPLOY == 'yes' }}", true},
		{"${{ env.DEPLOY == 'no' }}", false},
		{"${{ env.MISSING == 'anything' }}", false},
		{"${{ env.MISSING != 'anything' }}", true},
		{"${{ jobs.unknown.status == 'success' }}", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, ctx())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateBooleanOperators(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"${{ jobs.build.status == 'success' and env.DEPLOY == 'yes' }}", true},
		{"${{ jobs.build.status == 'success' and env.DEPLOY == 'no' }}", false},
		{"${{ jobs.test.status == 'success' or env.DEPLOY == 'yes' }}", true},
		{"${{ not jobs.test.status == 'success' }}", true},
		{"${{ not (jobs.build.status == 'success') }}", false},
		// and binds tighter than or
		{"${{ env.DEPLOY == 'no' or env.STAGE == 'prod' and jobs.build.status == 'success' }}", true},
		{"${{ (env.DEPLOY == 'no' or env.STAGE == 'prod') and jobs.test.status == 'success' }}", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, ctx())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateSyntaxErrors(t *testing.T) {
	bad := []string{
		"jobs.build.status == 'success'", // missing wrapper
		"${{ jobs.build.status = 'success' }}",
		"${{ jobs.build.status == success }}",
		"${{ jobs.build.status == 'unterminated }}",
		"${{ os.system('rm -rf /') }}",
		"${{ jobs.build == 'success' }}",
		"${{ env == 'x' }}",
		"${{ jobs.build.status == 'a' extra }}",
		"${{ (jobs.build.status == 'a' }}",
	}
	for _, expr := range bad {
		_, err := Evaluate(expr, ctx())
		assert.Error(t, err, expr)
	}
}

func TestEvaluateEmptyWrapper(t *testing.T) {
	got, err := Evaluate("${{ }}", ctx())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("${{ jobs.a.status == 'success' or not env.X != 'y' }}"))
	assert.Error(t, Validate("${{ __import__('os') }}"))
}
