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

// Package rest exposes the difference imaging pipeline over HTTP.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/cpuid"

	"github.com/mlnoga/diffimage/internal/diffim"
	"github.com/mlnoga/diffimage/internal/fits"
)

func Serve() {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/subtract", postSubtract)
		}
	}
	r.Run() // listen and serve on 0.0.0.0:8080
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
		"cpu":     cpuid.CPU.BrandName,
		"threads": runtime.GOMAXPROCS(0),
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postSubtractArgs struct {
	Template string         `json:"template"` // template FITS file name
	Science  string         `json:"science"`  // science FITS file name
	Out      string         `json:"out"`      // difference image FITS file name
	Config   *diffim.Config `json:"config"`   // pipeline controls; defaults when omitted
}

// Runs the PSF matching pipeline on a template/science pair, streaming the
// log as the response body
func postSubtract(c *gin.Context) {
	logWriter := c.Writer
	var args postSubtractArgs
	if err := c.ShouldBind(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Template == "" || args.Science == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template and science file names are required"})
		return
	}
	if args.Config == nil {
		args.Config = diffim.NewConfig()
	}

	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	templImage, err := fits.NewImageFromFile(args.Template, 0, logWriter)
	if err != nil {
		fmt.Fprintf(logWriter, "Error reading template: %s\n", err.Error())
		return
	}
	sciImage, err := fits.NewImageFromFile(args.Science, 1, logWriter)
	if err != nil {
		fmt.Fprintf(logWriter, "Error reading science image: %s\n", err.Error())
		return
	}

	ctx := diffim.NewContext(logWriter)
	res, err := diffim.PsfMatch(fits.NewMaskedImage(templImage), fits.NewMaskedImage(sciImage), args.Config, ctx)
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}

	fmt.Fprintf(logWriter, "Matched with %d of %d candidates good\n", res.NGood, res.NCandidates)
	if args.Out != "" {
		if err := res.Difference.Image.WriteFile(args.Out); err != nil {
			fmt.Fprintf(logWriter, "Error writing %s: %s\n", args.Out, err.Error())
			return
		}
		fmt.Fprintf(logWriter, "Wrote difference image to %s\n", args.Out)
	}
	if flusher, ok := logWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
