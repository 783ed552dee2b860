package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/subquery/payg-gateway/internal/chanstate"
)

func newTestChannel(id uint64) Channel {
	return Channel{
		ChannelID:    chanstate.NewU256FromUint64(id),
		DeploymentID: chanstate.Bytes32{byte(id)},
		Status:       StatusOpen,
		Balance:      chanstate.NewU256FromUint64(100),
		CurrentCount: chanstate.NewU256FromUint64(0),
		LastPrice:    chanstate.NewU256FromUint64(10),
	}
}

func TestInstallAndGet(t *testing.T) {
	s := New()
	ch := newTestChannel(1)
	s.Install(ch)

	got, err := s.Get(ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, ch.ChannelID.String(), got.ChannelID.String())

	byDep, err := s.GetByDeployment(ch.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, ch.ChannelID.String(), byDep.ChannelID.String())
}

func TestGetMissingChannel(t *testing.T) {
	s := New()
	_, err := s.Get(chanstate.NewU256FromUint64(99))
	require.Error(t, err)
}

func TestMutateIsMonotonic(t *testing.T) {
	s := New()
	ch := newTestChannel(2)
	s.Install(ch)

	for i := 0; i < 5; i++ {
		_, err := s.Mutate(ch.ChannelID, func(c Channel) (Channel, error) {
			c.CurrentCount = c.CurrentCount.Add(chanstate.NewU256FromUint64(1))
			return c, nil
		})
		require.NoError(t, err)
	}

	got, err := s.Get(ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "5", got.CurrentCount.String())
}

func TestMutateSerializesConcurrentCallsOnSameChannel(t *testing.T) {
	s := New()
	ch := newTestChannel(3)
	s.Install(ch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ch.ChannelID, func(c Channel) (Channel, error) {
				c.CurrentCount = c.CurrentCount.Add(chanstate.NewU256FromUint64(1))
				return c, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, "50", got.CurrentCount.String())
}

func TestRemoveClearsDeploymentIndex(t *testing.T) {
	s := New()
	ch := newTestChannel(4)
	s.Install(ch)
	s.Remove(ch.ChannelID)

	_, err := s.Get(ch.ChannelID)
	require.Error(t, err)
	_, err = s.GetByDeployment(ch.DeploymentID)
	require.Error(t, err)
}
