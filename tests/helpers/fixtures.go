package helpers

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/hbomb79/Photon/internal/media"
	"github.com/stretchr/testify/require"
)

// GradientImage returns a deterministic RGBA image of the given size. The
// seed shifts the pattern so that distinct seeds produce visually distinct
// images.
func GradientImage(w, h int, seed int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x*255/max(w-1, 1) + seed*37) % 256),
				G: uint8((y*255/max(h-1, 1) + seed*91) % 256),
				B: uint8((x + y + seed*13) % 256),
				A: 255,
			})
		}
	}

	return img
}

// SplitImage returns an image whose left half is black and right half is
// white (or inverted if 'invert' is set). Useful for perceptual hashing
// where gradients would produce unstable bits.
func SplitImage(w, h int, invert bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			bright := x >= w/2
			if invert {
				bright = !bright
			}
			if bright {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}

	return img
}

// EncodeJPEG encodes the image as a JPEG, injecting the descriptive metadata
// provided (if non-nil) as an EXIF APP1 segment.
func EncodeJPEG(t *testing.T, img image.Image, desc *media.Descriptive) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}))

	if desc == nil {
		return buf.Bytes()
	}

	out, err := desc.InjectJPEG(buf.Bytes())
	require.NoError(t, err)
	return out
}

func EncodePNG(t *testing.T, img image.Image) []byte {
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

// MP4 returns a minimal ISO-BMFF stream: an 'ftyp' box followed by an 'mdat'
// box containing 'payloadSize' bytes of deterministic filler.
func MP4(payloadSize int) []byte {
	buf := &bytes.Buffer{}
	ftyp := []byte("isom\x00\x00\x02\x00isomiso2mp41")
	writeBox(buf, "ftyp", ftyp)

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	writeBox(buf, "mdat", payload)

	return buf.Bytes()
}

// Box encodes a single ISO-BMFF box with a 32-bit size header.
func Box(boxType string, payload []byte) []byte {
	buf := &bytes.Buffer{}
	writeBox(buf, boxType, payload)
	return buf.Bytes()
}

// HEIF builds a HEIF-like container: an 'ftyp' box with the 'heic' brand
// followed by the boxes provided.
func HEIF(boxes ...[]byte) []byte {
	buf := &bytes.Buffer{}
	writeBox(buf, "ftyp", []byte("heic\x00\x00\x00\x00mif1heic"))
	for _, b := range boxes {
		buf.Write(b)
	}

	return buf.Bytes()
}

func writeBox(buf *bytes.Buffer, boxType string, payload []byte) {
	binary.Write(buf, binary.BigEndian, uint32(8+len(payload)))
	buf.WriteString(boxType)
	buf.Write(payload)
}

// XMPDirectory returns an XMP packet describing a motion photo using the
// container directory form, with a trailing video item of the given length.
// A length of zero omits the video item entirely.
func XMPDirectory(videoLength int) string {
	videoItem := ""
	if videoLength > 0 {
		videoItem = fmt.Sprintf(`
     <rdf:li rdf:parseType="Resource">
      <Container:Item Item:Mime="video/mp4" Item:Semantic="MotionPhoto" Item:Length="%d" Item:Padding="0"/>
     </rdf:li>`, videoLength)
	}

	return fmt.Sprintf(`<x:xmpmeta xmlns:x="adobe:ns:meta/" x:xmptk="Photon test">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about=""
    xmlns:GCamera="http://ns.google.com/photos/1.0/camera/"
    xmlns:Container="http://ns.google.com/photos/1.0/container/"
    xmlns:Item="http://ns.google.com/photos/1.0/container/item/"
    GCamera:MotionPhoto="%d"
    GCamera:MotionPhotoVersion="1">
   <Container:Directory>
    <rdf:Seq>
     <rdf:li rdf:parseType="Resource">
      <Container:Item Item:Mime="image/jpeg" Item:Semantic="Primary" Item:Length="0" Item:Padding="0"/>
     </rdf:li>%s
    </rdf:Seq>
   </Container:Directory>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>`, boolToInt(videoLength > 0), videoItem)
}

// XMPDirectoryElements is XMPDirectory written with every directory field,
// and the MotionPhoto flag, as element text rather than attributes.
func XMPDirectoryElements(videoLength int) string {
	return fmt.Sprintf(`<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about=""
    xmlns:GCamera="http://ns.google.com/photos/1.0/camera/"
    xmlns:Container="http://ns.google.com/photos/1.0/container/"
    xmlns:Item="http://ns.google.com/photos/1.0/container/item/">
   <GCamera:MotionPhoto>1</GCamera:MotionPhoto>
   <Container:Directory>
    <rdf:Seq>
     <rdf:li rdf:parseType="Resource">
      <Container:Item rdf:parseType="Resource">
       <Item:Mime>image/jpeg</Item:Mime>
       <Item:Semantic>Primary</Item:Semantic>
       <Item:Length>0</Item:Length>
       <Item:Padding>0</Item:Padding>
      </Container:Item>
     </rdf:li>
     <rdf:li rdf:parseType="Resource">
      <Container:Item rdf:parseType="Resource">
       <Item:Mime>video/mp4</Item:Mime>
       <Item:Semantic>MotionPhoto</Item:Semantic>
       <Item:Length>%d</Item:Length>
      </Container:Item>
     </rdf:li>
    </rdf:Seq>
   </Container:Directory>
  </rdf:Description>
 </rdf:RDF>
</x:xmpmeta>`, videoLength)
}

// XMPMicroVideo returns an XMP packet describing a legacy motion photo
// whose video begins 'offset' bytes before the end of the file.
func XMPMicroVideo(offset int) string {
	return fmt.Sprintf(`<x:xmpmeta xmlns:x="adobe:ns:meta/">
 <rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#">
  <rdf:Description rdf:about=""
    xmlns:GCamera="http://ns.google.com/photos/1.0/camera/"
    GCamera:MicroVideo="1"
    GCamera:MicroVideoVersion="1"
    GCamera:MicroVideoOffset="%d"/>
 </rdf:RDF>
</x:xmpmeta>`, offset)
}

// MotionPhoto builds a motion photo: the still JPEG provided with an XMP
// APP1 segment inserted after any leading EXIF segment, followed by the
// trailing video bytes.
func MotionPhoto(t *testing.T, still []byte, xmp string, video []byte) []byte {
	require.True(t, len(still) > 2 && still[0] == 0xFF && still[1] == 0xD8, "still must be a JPEG")

	insertAt := 2
	if len(still) > 4 && still[2] == 0xFF && still[3] == 0xE1 {
		segLen := int(binary.BigEndian.Uint16(still[4:6]))
		insertAt = 4 + segLen
	}

	payload := append([]byte("http://ns.adobe.com/xap/1.0/\x00"), []byte(xmp)...)
	segment := []byte{0xFF, 0xE1}
	segment = binary.BigEndian.AppendUint16(segment, uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := make([]byte, 0, len(still)+len(segment)+len(video))
	out = append(out, still[:insertAt]...)
	out = append(out, segment...)
	out = append(out, still[insertAt:]...)
	out = append(out, video...)

	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
