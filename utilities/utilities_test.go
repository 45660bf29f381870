package utilities

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc := NewEncryptorFromPassphrase("hunter2")
	plaintext := []byte(`{"id":"abc","kind":1}`)

	sealed, err := enc.Seal(plaintext, []byte("abc"))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, plaintext))

	opened, err := enc.Open(sealed, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestEncryptor_RejectsWrongKeyOrAAD(t *testing.T) {
	enc := NewEncryptorFromPassphrase("one")
	sealed, err := enc.Seal([]byte("secret"), []byte("id-1"))
	require.NoError(t, err)

	_, err = NewEncryptorFromPassphrase("two").Open(sealed, []byte("id-1"))
	assert.Error(t, err)

	// a sealed row moved under another id does not open
	_, err = enc.Open(sealed, []byte("id-2"))
	assert.Error(t, err)

	_, err = enc.Open([]byte("short"), nil)
	assert.ErrorIs(t, err, ErrSealedTooShort)
}

func TestEncryptor_SameSeedSameKey(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	sealed, err := NewEncryptor(seed).Seal([]byte("x"), nil)
	require.NoError(t, err)

	opened, err := NewEncryptor(seed).Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), opened)

	assert.Panics(t, func() { NewEncryptor([]byte("too short")) })
}

func TestCorrelator_RoutesFramesUntilFinal(t *testing.T) {
	c := NewCorrelator[string](time.Second)
	defer c.Close()

	var published string
	id, frames := c.Send(func(id string) error {
		published = id
		return nil
	})
	defer c.Cancel(id)
	require.Equal(t, id, published)
	assert.Equal(t, 1, c.Pending())

	assert.True(t, c.Receive(id, "a", false))
	assert.True(t, c.Receive(id, "b", true))
	assert.False(t, c.Receive(id, "late", false), "request is gone after the final frame")

	assert.Equal(t, "a", (<-frames).Response)
	assert.Equal(t, "b", (<-frames).Response)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_PublishFailure(t *testing.T) {
	c := NewCorrelator[string](time.Second)
	defer c.Close()

	boom := errors.New("broker down")
	id, frames := c.Send(func(string) error { return boom })
	defer c.Cancel(id)

	r := <-frames
	assert.ErrorIs(t, r.Err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator[string](50 * time.Millisecond)
	defer c.Close()

	id, frames := c.Send(func(string) error { return nil })
	defer c.Cancel(id)

	select {
	case r := <-frames:
		assert.ErrorIs(t, r.Err, ErrTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("request never timed out")
	}
	assert.False(t, c.Receive(id, "late", false))
}

func TestCorrelator_CancelUnblocksDelivery(t *testing.T) {
	c := NewCorrelator[int](time.Minute)
	defer c.Close()

	id, _ := c.Send(func(string) error { return nil })

	done := make(chan struct{})
	go func() {
		defer close(done)
		// nobody reads: fill the buffer, then block until cancelled
		for i := 0; i < 100; i++ {
			if !c.Receive(id, i, false) {
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cancel(id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Receive stayed blocked after Cancel")
	}
}
