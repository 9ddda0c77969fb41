package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommentsTopic(t *testing.T) {
	assert.Equal(t, "comments_for_45", commentsTopic(45.0))
	assert.Equal(t, "comments_for_abc", commentsTopic("abc"))
}
