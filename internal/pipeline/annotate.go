package pipeline

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/ayusman/signstream/internal/classifier"
	"github.com/ayusman/signstream/internal/detector"
)

const barHeight = 50

var (
	colorConfident = color.RGBA{R: 0, G: 255, B: 0}
	colorTentative = color.RGBA{R: 255, G: 255, B: 0}
	colorLandmark  = color.RGBA{R: 255, G: 64, B: 64}
	colorBar       = color.RGBA{}
)

// annotate draws the detected landmarks and a translucent bar with the
// current label onto img in place.
func annotate(img *gocv.Mat, hands []detector.HandLandmarks, pred classifier.Prediction, threshold float64) {
	if img == nil || img.Empty() {
		return
	}
	w, h := img.Cols(), img.Rows()

	for _, hand := range hands {
		for _, p := range hand.Points {
			gocv.Circle(img, image.Pt(int(p.X*float64(w)), int(p.Y*float64(h))), 3, colorLandmark, -1)
		}
		if hand.Handedness != "" {
			lo, _ := hand.Bounds()
			org := image.Pt(int(lo.X*float64(w)), int(lo.Y*float64(h))-10)
			gocv.PutText(img, fmt.Sprintf("%s (%.2f)", hand.Handedness, hand.Score), org, gocv.FontHersheySimplex, 0.5, colorConfident, 1)
		}
	}

	overlay := img.Clone()
	defer overlay.Close()
	gocv.Rectangle(&overlay, image.Rect(0, 0, w, min(barHeight, h)), colorBar, -1)
	gocv.AddWeighted(overlay, 0.6, *img, 0.4, 0, img)

	gocv.PutText(img, labelText(pred), image.Pt(10, 35), gocv.FontHersheySimplex, 1, labelColor(pred, threshold), 2)
}

func labelText(pred classifier.Prediction) string {
	if pred.Confidence > 0 {
		return fmt.Sprintf("%s (%.0f%%)", pred.Label, pred.Confidence*100)
	}
	return pred.Label
}

func labelColor(pred classifier.Prediction, threshold float64) color.RGBA {
	if !pred.IsSentinel() && pred.Confidence > threshold {
		return colorConfident
	}
	return colorTentative
}

// encodeJPEG returns an owned copy of img encoded as JPEG.
func encodeJPEG(img *gocv.Mat, quality int) ([]byte, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
