package api

import (
	"fmt"
	"image/color"
	"math"

	"arena/internal/game"

	"github.com/fogleman/gg"
)

var (
	mapBackground = color.RGBA{18, 20, 28, 255}
	mapGrid       = color.RGBA{40, 44, 58, 255}
	mapAxis       = color.RGBA{70, 76, 96, 255}
	mapText       = color.RGBA{200, 204, 216, 255}

	playerPalette = []color.RGBA{
		{231, 76, 60, 255},
		{52, 152, 219, 255},
		{46, 204, 113, 255},
		{241, 196, 15, 255},
		{155, 89, 182, 255},
		{230, 126, 34, 255},
		{26, 188, 156, 255},
		{236, 240, 241, 255},
	}
)

// PlayerColor returns the marker color for a player id.
func PlayerColor(id uint8) color.RGBA {
	return playerPalette[int(id)%len(playerPalette)]
}

// RenderWorldMap draws a top-down view of snap: X to the right, Z down,
// the world's ±bounds square filling the image. Each player is a dot with a
// line pointing where it faces. A nil snapshot draws an empty map.
func RenderWorldMap(snap *game.PublishedSnapshot, bounds float64, size int) *gg.Context {
	if bounds <= 0 {
		bounds = game.DefaultSettings().Bounds
	}
	dc := gg.NewContext(size, size)
	s := float64(size)
	scale := s / (2 * bounds)
	toPixel := func(x, z float32) (float64, float64) {
		return (float64(x) + bounds) * scale, (float64(z) + bounds) * scale
	}

	dc.SetColor(mapBackground)
	dc.DrawRectangle(0, 0, s, s)
	dc.Fill()

	// Grid every 10 world units
	dc.SetColor(mapGrid)
	dc.SetLineWidth(1)
	for u := -bounds; u <= bounds; u += 10 {
		p := (u + bounds) * scale
		dc.DrawLine(p, 0, p, s)
		dc.DrawLine(0, p, s, p)
	}
	dc.Stroke()

	dc.SetColor(mapAxis)
	dc.SetLineWidth(2)
	dc.DrawLine(s/2, 0, s/2, s)
	dc.DrawLine(0, s/2, s, s/2)
	dc.Stroke()

	if snap == nil {
		dc.SetColor(mapText)
		dc.DrawStringAnchored("waiting for first snapshot", s/2, s/2, 0.5, 0.5)
		return dc
	}

	radius := math.Max(4, s/100)
	players := snap.Snapshot
	for i := 0; i < players.Len(); i++ {
		id := players.PlayerIDs[i]
		pos := players.PlayerPositions[i]
		yaw := float64(players.PlayerRotations[i].Y)
		x, y := toPixel(pos.X, pos.Z)

		dc.SetColor(PlayerColor(id))
		dc.DrawCircle(x, y, radius)
		dc.Fill()

		// Forward is -Z rotated by yaw
		fx, fz := -math.Sin(yaw), -math.Cos(yaw)
		dc.SetLineWidth(2)
		dc.DrawLine(x, y, x+fx*radius*2.5, y+fz*radius*2.5)
		dc.Stroke()

		dc.SetColor(mapText)
		dc.DrawStringAnchored(fmt.Sprintf("%d", id), x, y-radius-4, 0.5, 0)
	}

	dc.SetColor(mapText)
	dc.DrawString(fmt.Sprintf("tick %d  players %d", snap.TickNumber, players.Len()), 8, 16)
	return dc
}
