package render

import "testing"

func TestRender(t *testing.T) {
	cases := []struct {
		name string
		tmpl string
		row  map[string]string
		want string
	}{
		{
			name: "single placeholder",
			tmpl: "Hi {{Name}}",
			row:  map[string]string{"Name": "A"},
			want: "Hi A",
		},
		{
			name: "repeated placeholder",
			tmpl: "{{Name}} and {{Name}}",
			row:  map[string]string{"Name": "B"},
			want: "B and B",
		},
		{
			name: "missing field renders empty",
			tmpl: "Hi {{Name}}, your code is {{Code}}",
			row:  map[string]string{"Name": "A"},
			want: "Hi A, your code is ",
		},
		{
			name: "inner whitespace tolerated",
			tmpl: "Hi {{ Name }}",
			row:  map[string]string{"Name": "C"},
			want: "Hi C",
		},
		{
			name: "no placeholders",
			tmpl: "plain text",
			row:  map[string]string{"Name": "A"},
			want: "plain text",
		},
		{
			name: "empty row",
			tmpl: "{{Greeting}} {{Name}}",
			row:  map[string]string{},
			want: " ",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.tmpl, tc.row); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.tmpl, got, tc.want)
			}
		})
	}
}

// rendering must be pure: same inputs, same output, every time
func TestRender_Deterministic(t *testing.T) {
	tmpl := "Hello {{First}} {{Last}}"
	row := map[string]string{"First": "Ada", "Last": "Lovelace"}

	first := Render(tmpl, row)
	for i := 0; i < 10; i++ {
		if got := Render(tmpl, row); got != first {
			t.Fatalf("render not deterministic: %q vs %q", got, first)
		}
	}
}
