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

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/splinealign/internal/job"
	"github.com/mlnoga/splinealign/web"
)

// Largest accepted request body
const maxBodyBytes = 1 << 20

// Builds the HTTP router for the API and the landing page. Output files named
// in jobs are confined to outDir, or dropped if outDir is empty
func NewRouter(outDir string) *gin.Engine {
	r := gin.Default()
	r.GET("/", getIndex)
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/optimize", func(c *gin.Context) { postOptimize(c, outDir) })
		}
	}
	return r
}

// Listens and serves on the given address, e.g. ":8080"
func Serve(addr, outDir string) error {
	return NewRouter(outDir).Run(addr)
}

func getIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", web.IndexHTML)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
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

// Runs an optimization job given as request body. Output files named in the job
// are written on the server side, under outDir. Responds with the report and the captured log
func postOptimize(c *gin.Context, outDir string) {
	j, err := job.Read(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	confineOutputs(j, outDir)

	var logBuf bytes.Buffer
	if err := printArgs(&logBuf, "Arguments:\n", "\n", j); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rep, err := j.Run(&logBuf)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "log": logBuf.String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "log": logBuf.String()})
}

// Rewrites the output file names of the job to plain file names inside outDir.
// With an empty outDir, no files are written at all
func confineOutputs(j *job.Job, outDir string) {
	for _, name := range []*string{&j.Result, &j.ErrorMap, &j.ErrorMapTIFF} {
		if *name == "" {
			continue
		}
		base := filepath.Base(*name)
		if outDir == "" || base == "." || base == ".." || base == string(filepath.Separator) {
			*name = ""
			continue
		}
		*name = filepath.Join(outDir, base)
	}
}
