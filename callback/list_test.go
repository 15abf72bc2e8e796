package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListAddRemove(t *testing.T) {
	l := NewList[func(int)]()
	var got []int

	removeA := l.Add(func(v int) { got = append(got, v) })
	removeB := l.Add(func(v int) { got = append(got, v*10) })
	assert.Equal(t, 2, l.Len())

	l.Each(func(cb func(int)) { cb(1) })
	assert.Equal(t, []int{1, 10}, got)

	removeA()
	removeA()
	assert.Equal(t, 1, l.Len())

	got = nil
	l.Each(func(cb func(int)) { cb(2) })
	assert.Equal(t, []int{20}, got)

	removeB()
	assert.Equal(t, 0, l.Len())
}

func TestListEachRecoversPanic(t *testing.T) {
	l := NewList[func()]()
	called := false
	l.Add(func() { panic("boom") })
	l.Add(func() { called = true })

	assert.NotPanics(t, func() {
		l.Each(func(cb func()) { cb() })
	})
	assert.True(t, called)
}

func TestListSnapshotIsStable(t *testing.T) {
	l := NewList[func()]()
	var remove func()
	calls := 0
	remove = l.Add(func() {
		calls++
		remove()
	})
	l.Add(func() { calls++ })

	l.Each(func(cb func()) { cb() })
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, l.Len())

	l.Clear()
	assert.Equal(t, 0, l.Len())
}
