package transcript

import "testing"

func TestImageBlocks(t *testing.T) {
	blocks, err := ImageBlocks([]string{"data:image/png;base64,iVBORw0KGgo="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Type != BlockImage {
		t.Fatalf("unexpected blocks %+v", blocks)
	}
	src := blocks[0].Source
	if src.MediaType != "image/png" || src.Data != "iVBORw0KGgo=" || src.Type != "base64" {
		t.Fatalf("unexpected source %+v", src)
	}

	for _, bad := range []string{"http://example.com/a.png", "data:text/plain;base64,aGk=", "data:image/png,raw"} {
		if _, err := ImageBlocks([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTextMessage_ImagesBeforeText(t *testing.T) {
	img := ContentBlock{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "x"}}
	m := TextMessage(RoleUser, "look", []ContentBlock{img})
	if len(m.Content) != 2 || m.Content[0].Type != BlockImage || m.Content[1].Text != "look" {
		t.Fatalf("unexpected content %+v", m.Content)
	}
	if m.Text() != "look" {
		t.Fatalf("Text() = %q", m.Text())
	}
	empty := TextMessage(RoleUser, "", nil)
	if len(empty.Content) != 1 || empty.Content[0].Type != BlockText {
		t.Fatalf("empty message should still carry one text block, got %+v", empty.Content)
	}
}
