package catalog

import (
	"reflect"
	"testing"
)

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name     string
		lifetime int64
		bootTime int64
		wantErr  bool
	}{
		{"valid", 600, 10, false},
		{"zero lifetime", 0, 0, true},
		{"negative lifetime", -1, 0, true},
		{"boot_time equals lifetime", 600, 600, true},
		{"boot_time exceeds lifetime", 600, 601, true},
		{"negative boot_time", 600, -1, true},
		{"boot_time zero is valid", 600, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBounds(tt.lifetime, tt.bootTime)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBounds(%d, %d) error = %v, wantErr %v", tt.lifetime, tt.bootTime, err, tt.wantErr)
			}
		})
	}
}

func TestSplitTags(t *testing.T) {
	tags := []Tag{
		{Name: "web", IsCategory: false},
		{Name: "pwn", IsCategory: true},
		{Name: "crypto", IsCategory: true},
		{Name: "easy", IsCategory: false},
	}

	categories, plain := splitTags(tags)

	wantCategories := []string{"crypto", "pwn"}
	wantPlain := []string{"easy", "web"}

	if !reflect.DeepEqual(categories, wantCategories) {
		t.Errorf("categories = %v, want %v", categories, wantCategories)
	}
	if !reflect.DeepEqual(plain, wantPlain) {
		t.Errorf("plain = %v, want %v", plain, wantPlain)
	}
}

func TestSplitTagsEmpty(t *testing.T) {
	categories, plain := splitTags(nil)
	if categories != nil || plain != nil {
		t.Errorf("splitTags(nil) = (%v, %v), want (nil, nil)", categories, plain)
	}
}
