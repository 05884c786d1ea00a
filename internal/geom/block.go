// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package geom

// A rectangular region of the source plane, with the round-trip error
// measured at its center against the most recently fitted mapping.
type Block struct {
	Rect2D
	Err float64 `json:"err"`
}

func NewBlock(x0, y0, x1, y1 float64) Block {
	return Block{Rect2D: Rect2D{Point2D{x0, y0}, Point2D{x1, y1}}}
}

// Splits the block at its center into four quadrants, in the order
// top left, top right, bottom left, bottom right. Errors of the children are zero.
func (b Block) Split() [4]Block {
	c := b.Center()
	return [4]Block{
		NewBlock(b.A.X, b.A.Y, c.X, c.Y),
		NewBlock(c.X, b.A.Y, b.B.X, c.Y),
		NewBlock(b.A.X, c.Y, c.X, b.B.Y),
		NewBlock(c.X, c.Y, b.B.X, b.B.Y),
	}
}
