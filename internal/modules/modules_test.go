package modules

import "testing"

func TestParseList(t *testing.T) {
	cases := []struct {
		in   string
		want []ID
	}{
		{"", nil},
		{"system-debian", []ID{SystemDebian}},
		{"nbd lvm system-arch", []ID{NBD, LVM, SystemArch}},
	}

	for _, tt := range cases {
		got := ParseList(tt.in)
		if len(got) != len(tt.want) {
			t.Fatalf("ParseList(%q) = %v, want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestResolveCmdlineStyle(t *testing.T) {
	cases := []struct {
		name string
		mods []ID
		want CmdlineStyle
	}{
		{"debian", []ID{SystemDebian}, StyleInitramfsTools},
		{"arch", []ID{SystemArch}, StyleInitramfsTools},
		{"gentoo", []ID{SystemGentoo}, StyleDracut},
		{"arch-dracut", []ID{SystemArchDracut}, StyleDracut},
		{"unknown", []ID{"system-unknown"}, StyleUnsupported},
		{"none", nil, StyleUnsupported},
		{"mixed with extras", []ID{NBD, SystemDebian, Debug}, StyleInitramfsTools},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCmdlineStyle(tt.mods); got != tt.want {
				t.Errorf("ResolveCmdlineStyle(%v) = %v, want %v", tt.mods, got, tt.want)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	cases := []struct {
		in   []ID
		want string
	}{
		{nil, ""},
		{[]ID{SystemDebian}, "system-debian"},
		{[]ID{NBD, LVM, SystemArch}, "nbd lvm system-arch"},
	}
	for _, tt := range cases {
		if got := Join(tt.in); got != tt.want {
			t.Errorf("Join(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseListJoinRoundTrip(t *testing.T) {
	s := "nbd lvm system-arch"
	if got := Join(ParseList(s)); got != s {
		t.Errorf("round trip = %q, want %q", got, s)
	}
}

func TestKnown(t *testing.T) {
	if !Known(NBD) {
		t.Error("NBD should be known")
	}
	if Known("bogus-module") {
		t.Error("bogus-module should not be known")
	}
}
