package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		actor    Actor
		wantErr  error
	}{
		{StatusPending, StatusConfirmed, ActorMonitor, nil},
		{StatusPending, StatusConfirmed, ActorStudent, ErrForbidden},
		{StatusPending, StatusCancelled, ActorMonitor, nil},
		{StatusPending, StatusCancelled, ActorStudent, nil},
		{StatusPending, StatusCompleted, ActorMonitor, ErrInvalidTransition},
		{StatusConfirmed, StatusCompleted, ActorMonitor, nil},
		{StatusConfirmed, StatusCompleted, ActorSystem, nil},
		{StatusConfirmed, StatusCompleted, ActorStudent, ErrForbidden},
		{StatusConfirmed, StatusCancelled, ActorStudent, nil},
		{StatusConfirmed, StatusCancelled, ActorMonitor, nil},
		{StatusConfirmed, StatusPending, ActorMonitor, ErrInvalidTransition},
		{StatusCompleted, StatusCancelled, ActorMonitor, ErrInvalidTransition},
		{StatusCompleted, StatusConfirmed, ActorMonitor, ErrInvalidTransition},
		{StatusCancelled, StatusConfirmed, ActorMonitor, ErrInvalidTransition},
		{StatusCancelled, StatusPending, ActorStudent, ErrInvalidTransition},
		{StatusPending, Status("archivada"), ActorMonitor, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to)+"/"+string(tt.actor), func(t *testing.T) {
			err := CanTransition(tt.from, tt.to, tt.actor)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirmed} {
		assert.True(t, s.Occupies(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		assert.False(t, s.Occupies(), s)
		assert.True(t, s.IsTerminal(), s)
	}

	got, err := ParseStatus(" Confirmada ")
	assert.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got)

	_, err = ParseStatus("done")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestParseActor(t *testing.T) {
	got, err := ParseActor("ESTUDIANTE")
	assert.NoError(t, err)
	assert.Equal(t, ActorStudent, got)

	_, err = ParseActor("administrador")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
