package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"whitespace only", "   ", 0},
		{"single word", "hi", 1},
		// 13 words -> 17; 63 bytes -> 15
		{"prose", "The quick brown fox jumps over the lazy dog near the river bank", 17},
		// 4 words -> 5; 37 bytes -> 9
		{"code", `func main() { fmt.Println("hello") }`, 9},
		// one word of 24 bytes -> 6
		{"cjk", "你好世界欢迎光临", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestEstimateWithImages(t *testing.T) {
	if got := EstimateWithImages("", 2); got != 2*ImageTokens {
		t.Fatalf("got %d, want %d", got, 2*ImageTokens)
	}
	if got := EstimateWithImages("what is in this screenshot", 1); got != EstimateTokens("what is in this screenshot")+ImageTokens {
		t.Fatalf("unexpected estimate %d", got)
	}
}
