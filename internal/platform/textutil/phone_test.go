package textutil

import (
	"reflect"
	"testing"
)

func TestPhoneDigits(t *testing.T) {
	cases := map[string]string{
		"(11) 98888-7777":   "11988887777",
		"+55 11 9 8888 7777": "5511988887777",
		"１１９８８":             "11988",
		"no digits":          "",
	}
	for input, want := range cases {
		if got := PhoneDigits(input); got != want {
			t.Fatalf("PhoneDigits(%q) = %q want %q", input, got, want)
		}
	}
}

func TestDigitSubstrings(t *testing.T) {
	t.Run("enumerates windows at or above minimum", func(t *testing.T) {
		got := DigitSubstrings("12345", 4)
		want := []string{"1234", "2345", "12345"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v got %v", want, got)
		}
	})

	t.Run("deduplicates repeated windows", func(t *testing.T) {
		got := DigitSubstrings("1111", 3)
		want := []string{"111", "1111"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v got %v", want, got)
		}
	})

	t.Run("short input yields nothing", func(t *testing.T) {
		if got := DigitSubstrings("123", 4); got != nil {
			t.Fatalf("expected nil got %v", got)
		}
	})
}
