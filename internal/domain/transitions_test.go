package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"projectflow/internal/domain"
)

func TestAllowedNextValuesMatchesTable(t *testing.T) {
	cases := map[domain.AutomationStatus][]domain.AutomationStatus{
		domain.StatusBlank:          {domain.StatusBlank, domain.StatusReady},
		domain.StatusReady:          {domain.StatusReady},
		domain.StatusCreated:        {domain.StatusCreated, domain.StatusUpdated, domain.StatusDeleteNotify, domain.StatusDeleteNoNotify},
		domain.StatusUpdated:        {domain.StatusUpdated},
		domain.StatusDeleteNotify:   {domain.StatusDeleteNotify},
		domain.StatusDeleteNoNotify: {domain.StatusDeleteNoNotify},
		domain.StatusDeleted:        {domain.StatusDeleted},
		domain.StatusError:          {domain.StatusError, domain.StatusReady},
	}
	require.Len(t, cases, len(domain.AllStatuses))
	for from, want := range cases {
		require.ElementsMatch(t, want, domain.AllowedNextValues(from), "from %s", from)
	}
}

func TestEnsureActorTransitionRejectsOutOfSet(t *testing.T) {
	for _, from := range domain.AllStatuses {
		allowed := map[domain.AutomationStatus]bool{}
		for _, v := range domain.AllowedNextValues(from) {
			allowed[v] = true
		}
		for _, to := range domain.AllStatuses {
			err := domain.EnsureActorTransition(from, to)
			if allowed[to] {
				require.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			var te *domain.TransitionError
			require.True(t, errors.As(err, &te), "%s -> %s should be rejected", from, to)
			require.Equal(t, from, te.From)
			require.Equal(t, to, te.To)
		}
	}
}

func TestEnsureProcessorTransition(t *testing.T) {
	require.NoError(t, domain.EnsureProcessorTransition(domain.StatusReady, domain.StatusCreated))
	require.NoError(t, domain.EnsureProcessorTransition(domain.StatusReady, domain.StatusError))
	require.NoError(t, domain.EnsureProcessorTransition(domain.StatusUpdated, domain.StatusCreated))
	require.NoError(t, domain.EnsureProcessorTransition(domain.StatusDeleteNotify, domain.StatusDeleted))
	require.NoError(t, domain.EnsureProcessorTransition(domain.StatusDeleteNoNotify, domain.StatusDeleted))
	require.Error(t, domain.EnsureProcessorTransition(domain.StatusCreated, domain.StatusUpdated))
	require.Error(t, domain.EnsureProcessorTransition(domain.StatusBlank, domain.StatusCreated))
	require.Error(t, domain.EnsureProcessorTransition(domain.StatusDeleted, domain.StatusReady))
	require.Error(t, domain.EnsureProcessorTransition(domain.StatusError, domain.StatusReady))
}

func TestParseStatus(t *testing.T) {
	s, err := domain.ParseStatus(" ready ")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, s)
	s, err = domain.ParseStatus("")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBlank, s)
	_, err = domain.ParseStatus("Archived")
	require.Error(t, err)
}
