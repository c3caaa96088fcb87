// Package rmf reads and writes RMF tiled raster files, the RSW raster
// images and MTW elevation matrices of the Panorama GIS.
//
// A file starts with a 320-byte header followed, anywhere in the file, by
// an extended header, an optional colour table, the tile index and the
// tiles themselves. Each tile is stored raw or packed with the codec named
// in the header (see package compression).
//
// Reading a file:
//
//	ds, err := rmf.Open("dem.mtw", rmf.OpenOptions{})
//	if err != nil {
//		return err
//	}
//	defer ds.Close()
//
//	band, _ := ds.Band(1)
//	block := make([]byte, band.BlockBytes())
//	err = band.ReadBlock(0, 0, block)
//
// Writing goes through the same Band API on a dataset returned by Create
// or opened with OpenOptions.Update. Tiles are compressed on
// CreateOptions.NumThreads workers and appended by a single writer.
package rmf
